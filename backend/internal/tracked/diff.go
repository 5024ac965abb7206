package tracked

import "strings"

// Diff 是两段文本之间去掉公共前后缀后剩下的中间部分
type Diff struct {
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

func (d Diff) Empty() bool {
	return d.OldValue == "" && d.NewValue == ""
}

// CalculateIncrementalChange 按空白切词，去掉公共的词前缀和词后缀，剩下的中间词段就是增量。
// 前缀 + 后缀不会超过较短一方的词数，两段不会重叠。
// 如果词级别结果两边都为空（差异在词内部，比如标点），退化成按字符做同样的裁剪。
// 中间词段用单个空格拼接，原文里的多空格不保留。
func CalculateIncrementalChange(previous, current string) Diff {
	if previous == current {
		return Diff{}
	}

	oldWords := strings.Fields(previous)
	newWords := strings.Fields(current)
	prefix, suffix := commonBounds(oldWords, newWords)

	d := Diff{
		OldValue: strings.Join(oldWords[prefix:len(oldWords)-suffix], " "),
		NewValue: strings.Join(newWords[prefix:len(newWords)-suffix], " "),
	}
	if !d.Empty() {
		return d
	}

	oldRunes := []rune(previous)
	newRunes := []rune(current)
	prefix, suffix = commonBounds(oldRunes, newRunes)
	return Diff{
		OldValue: string(oldRunes[prefix : len(oldRunes)-suffix]),
		NewValue: string(newRunes[prefix : len(newRunes)-suffix]),
	}
}

// commonBounds 返回公共前缀长度和（不与前缀重叠的）公共后缀长度
func commonBounds[T comparable](a, b []T) (prefix, suffix int) {
	limit := min(len(a), len(b))
	for prefix < limit && a[prefix] == b[prefix] {
		prefix++
	}
	for suffix < limit-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, suffix
}
