package evalgate

import "strings"

// DefaultPrompt asks for a strict JSON verdict object. The placeholders are
// replaced verbatim by RenderPrompt; custom templates from configuration use
// the same placeholders.
const DefaultPrompt = `你是一个严格的语义一致性审核员。请判断下面的AI回答与参考文档在语义上是否一致。

问题：
{question}

AI回答：
{ai_answer}

参考文档：
{source_document}

判断标准：
1. AI回答的内容必须能够从参考文档中推断出来
2. AI回答不得与参考文档的内容相矛盾
3. AI回答中不得包含参考文档之外的关键事实

请只输出一个JSON对象，不要输出其他内容，格式如下：
{"result": "是/否/不确定", "reason": "简要说明判断依据"}`

// LinePrompt is the labeled-line variant for backends whose models follow
// line markers more reliably than JSON output.
const LinePrompt = `请判断下面的AI回答与参考文档在语义上是否一致。

问题：{question}

AI回答：{ai_answer}

参考文档：{source_document}

请严格按照以下格式输出两行：
判断结果：是/否/不确定
判断依据：简要说明你的判断依据`

// RenderPrompt substitutes the evaluation triple into a template. An empty
// template means DefaultPrompt.
func RenderPrompt(tmpl string, req Request) string {
	if tmpl == "" {
		tmpl = DefaultPrompt
	}
	return strings.NewReplacer(
		"{question}", req.Question,
		"{ai_answer}", req.Answer,
		"{source_document}", req.Reference,
	).Replace(tmpl)
}

// TruncateDoc caps a reference document before prompt rendering so oversized
// documents cannot blow backend context windows. Zero or negative max leaves
// the document untouched.
func TruncateDoc(doc string, max int) string {
	return Truncate(doc, max)
}
