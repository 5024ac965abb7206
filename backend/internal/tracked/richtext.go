package tracked

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MergeTextIntoRichDocument 把纯文本写回富文本文档：
// 找到顶层第一个 paragraph/heading 节点里第一个带 text 的子节点，替换其文本。
// 只是近似同步，不做结构化 diff；解析失败或找不到节点时原样返回。
func MergeTextIntoRichDocument(doc, text string) string {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return doc
	}

	nodes, _ := root["content"].([]any)
	for _, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := node["type"].(string)
		if typ != "paragraph" && typ != "heading" {
			continue
		}

		children, _ := node["content"].([]any)
		for _, c := range children {
			child, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if _, ok := child["text"].(string); !ok {
				continue
			}
			child["text"] = text
			return encodeDocument(root, doc)
		}
		// 第一个段落里没有文本节点
		return doc
	}
	return doc
}

func encodeDocument(root map[string]any, fallback string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return fallback
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
