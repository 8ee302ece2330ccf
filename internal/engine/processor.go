package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nikolalohinski/gonja"
	"github.com/spf13/viper"
)

// ChatProcessor 保存模型目录中的对话模板和特殊 token
type ChatProcessor struct {
	Dir          string
	ChatTemplate string
	BOSToken     string
	EOSToken     string
}

var templateFiles = []string{"chat_template.json", "tokenizer_config.json"}

// LoadProcessor 读取模型目录的模板文件，没有模板时返回空模板的处理器
func LoadProcessor(dir string) (*ChatProcessor, error) {
	proc := &ChatProcessor{Dir: dir}

	for _, name := range templateFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}

		if proc.ChatTemplate == "" {
			proc.ChatTemplate = templateFrom(raw["chat_template"])
		}
		if proc.BOSToken == "" {
			proc.BOSToken = tokenFrom(raw["bos_token"])
		}
		if proc.EOSToken == "" {
			proc.EOSToken = tokenFrom(raw["eos_token"])
		}
	}

	return proc, nil
}

// chat_template 可能是字符串，也可能是 [{name, template}] 列表
func templateFrom(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		first := ""
		for _, item := range t {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			tpl, _ := entry["template"].(string)
			if first == "" {
				first = tpl
			}
			if name, _ := entry["name"].(string); name == "default" {
				return tpl
			}
		}
		return first
	}
	return ""
}

func tokenFrom(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		s, _ := t["content"].(string)
		return s
	}
	return ""
}

// LoadModelConfig 用独立的 viper 实例读取 config.json
func LoadModelConfig(dir string) (ModelConfig, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.json"))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	return ModelConfig(v.AllSettings()), nil
}

// Format 按模型模板格式化提示词；simple 配置或缺少模板时使用简单格式
func (p *ChatProcessor) Format(cfg ModelConfig, text, system string, numImages int) (string, error) {
	if p == nil || p.ChatTemplate == "" || cfg.Template() == SimpleTemplate {
		return simplePrompt(text, system), nil
	}

	tpl, err := gonja.FromString(p.ChatTemplate)
	if err != nil {
		return "", fmt.Errorf("compile chat template: %w", err)
	}

	messages := make([]map[string]interface{}, 0, 2)
	if system != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": system,
		})
	}
	messages = append(messages, map[string]interface{}{
		"role":    "user",
		"content": userContent(text, numImages),
	})

	out, err := tpl.Execute(gonja.Context{
		"messages":              messages,
		"add_generation_prompt": true,
		"bos_token":             p.BOSToken,
		"eos_token":             p.EOSToken,
	})
	if err != nil {
		return "", fmt.Errorf("render chat template: %w", err)
	}
	return out, nil
}

// 有图片时使用多段内容，图片占位在文本之前
func userContent(text string, numImages int) interface{} {
	if numImages <= 0 {
		return text
	}
	parts := make([]map[string]interface{}, 0, numImages+1)
	for i := 0; i < numImages; i++ {
		parts = append(parts, map[string]interface{}{"type": "image"})
	}
	parts = append(parts, map[string]interface{}{"type": "text", "text": text})
	return parts
}

func simplePrompt(text, system string) string {
	if strings.TrimSpace(system) == "" {
		return text
	}
	return system + "\n\n" + text
}
