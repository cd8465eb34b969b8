package chat

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// CustomPersonaID selects a persona described by the user.
const CustomPersonaID = "5"

const personaPromptTemplate = `너와 캐릭터챗을 할거야. 내가 정해준 캐릭터가 되어 나와 캐릭터챗을 하는것처럼 답변해줘. 1) 내가 질문을 하면 너는 해당 캐릭터가 되서 답변을 하고. 2) 그 답변에 이어지는 내가 했으면 하는 답변도 객관식으로 4개를 제안해줘. 제안하는 텍스트도 마치 내가 너에게 묻는 것처럼 대화체로 출력해야해. 제안 답변 내용만 출력하고 불필요한 텍스트는 출력하지마. 단, 4번째 선택지는 항상 '다른 이야기를 해보고 싶어-'이고 이때는 내가 자유롭게 새로운 주제를 기반으로 답변해줘. 자유롭되 너의 페르소나나 캐릭터 특성에 기반한 제안이면 좋자. 이 질문에 답변할때도 여전히 4가지 선택지를 제안해야해 3) 내가 그 객관식중에 답변 번호를 입력하면 너는 또 거기에 맞는 대화를 계속 이어하는 형태야. 즉, 너와 객관식 답변으로 캐릭터챗을 이어가는거지. 4) 답변과 객관식 추가 답변 텍스트를 제외하고는 어떤 텍스트도 출력하지마.

이제 너의 캐릭터는 %s 그럼 너의 환영 인사부터 챗을 시작해보자.

그럼 너의 환영 인사부터 챗을 시작해보자. 반드시 한국어로 상호 소통해야해.`

// Persona is the character a session talks as. It does not change for the
// lifetime of a session.
type Persona struct {
	ID          string
	Description string
}

// SystemPrompt renders the role-play instructions for the persona.
func (p Persona) SystemPrompt() string {
	return fmt.Sprintf(personaPromptTemplate, p.Description)
}

// Catalog resolves persona ids to descriptions.
type Catalog struct {
	descriptions map[string]string
	defaultID    string
}

func NewCatalog(cfg config.ChatConfig) *Catalog {
	descriptions := make(map[string]string, len(cfg.Personas))
	for id, desc := range cfg.Personas {
		descriptions[id] = desc
	}
	return &Catalog{descriptions: descriptions, defaultID: cfg.DefaultPersona}
}

// Resolve returns the persona for id. CustomPersonaID takes its description
// from custom; unknown ids fall back to the default persona.
func (c *Catalog) Resolve(id, custom string) (Persona, error) {
	if id == CustomPersonaID {
		custom = strings.TrimSpace(custom)
		if custom == "" {
			return Persona{}, ErrEmptyPersona
		}
		return Persona{ID: CustomPersonaID, Description: custom}, nil
	}
	if desc, ok := c.descriptions[id]; ok && desc != "" {
		return Persona{ID: id, Description: desc}, nil
	}
	return Persona{ID: c.defaultID, Description: c.descriptions[c.defaultID]}, nil
}
