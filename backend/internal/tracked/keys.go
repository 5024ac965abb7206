package tracked

import "fmt"

const (
	changesRoot       = "changes/"
	changeKeyTpl      = "changes/%s/%s"
	changesPrefixTpl  = "changes/%s/"
	commentKeyTpl     = "comments/%s/%s"
	commentsPrefixTpl = "comments/%s/"
	changeIndexKeyTpl = "change-index/%s"
	aggregateKeyTpl   = "submission-changes/%s"
	generationKeyTpl  = "submission-generation/%s"
)

func changeKey(submissionID, changeID string) string {
	return fmt.Sprintf(changeKeyTpl, submissionID, changeID)
}

func changesPrefix(submissionID string) string {
	return fmt.Sprintf(changesPrefixTpl, submissionID)
}

func commentKey(changeID, commentID string) string {
	return fmt.Sprintf(commentKeyTpl, changeID, commentID)
}

func commentsPrefix(changeID string) string {
	return fmt.Sprintf(commentsPrefixTpl, changeID)
}

func changeIndexKey(changeID string) string {
	return fmt.Sprintf(changeIndexKeyTpl, changeID)
}

// 整个 submission 的变更列表缓存，任何写入都会删掉它
func aggregateKey(submissionID string) string {
	return fmt.Sprintf(aggregateKeyTpl, submissionID)
}

// 每次写入变更都会换一个新值，用来识别过期的聚合缓存
func generationKey(submissionID string) string {
	return fmt.Sprintf(generationKeyTpl, submissionID)
}
