package service

import (
	"context"
	"fmt"
	"strings"

	"PictureBook-server/models"
)

var languageNames = map[string]string{
	"en": "English",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
}

const translatePromptTemplate = `You are a professional translator specializing in children's storybooks.
Translate the following Chinese text into %s.
Keep the translation simple, natural, and suitable for children.
Preserve the emotional tone and any speaker attributions (like "小兔子说：" -> "Little Rabbit said:").

Chinese text:
%s

Please provide only the translated text, without any explanations or additional formatting.`

// Translator 旁白翻译，供非中文配音使用
type Translator struct {
	LLM LLM
}

// Translate 目标语言为 zh 或文本为空时原样返回
func (t *Translator) Translate(ctx context.Context, text, target string) (string, error) {
	if strings.TrimSpace(text) == "" || target == "" || target == "zh" {
		return text, nil
	}
	name, ok := languageNames[target]
	if !ok {
		return "", fmt.Errorf("%w: unsupported target language %q", models.ErrValidation, target)
	}
	out, err := t.LLM.Complete(ctx, ChatRequest{
		Prompt:      fmt.Sprintf(translatePromptTemplate, name, text),
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
