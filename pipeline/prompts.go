package pipeline

import (
	"fmt"
	"strings"

	"github.com/finrag/finrag/document"
)

const scopePromptTemplate = `Определи, относится ли запрос к финансовым данным компаний из SEC-отчётности (10-K/10-Q/8-K).
Ответь ТОЛЬКО в JSON со схемой:
{"in_scope": boolean, "reason": string|null}

Примеры in_scope:
- "Выручка Google в 2024 году"
- "Amazon operating income Q3 2023"
- "cash flows from operating activities Microsoft 2022"

Примеры out_of_scope:
- "Привет как дела"
- "Погода в Москве"
- "Сколько будет 2+2"

ЗАПРОС: %s
`

const filtersPromptTemplate = `Извлеки метаданные из запроса. Для неупомянутых полей верни null.

ЗАПРОС ПОЛЬЗОВАТЕЛЯ: %s

СООТВЕТСТВИЯ КОМПАНИЙ:
- Amazon/AMZN -> amazon
- Google/Alphabet/GOOGL/GOOG -> google
- Apple/AAPL -> apple
- Microsoft/MSFT -> microsoft
- Tesla/TSLA -> tesla
- Nvidia/NVDA -> nvidia
- Meta/Facebook/FB -> meta

ТИП ДОКУМЕНТА:
- Annual report -> 10-k
- Quarterly report -> 10-q
- Current report -> 8-k

ПРИМЕРЫ:
"Amazon Q3 2024 revenue" -> {"company_name": "amazon", "doc_type": "10-q", "fiscal_year": 2024, "fiscal_quarter": "q3"}
"Apple 2023 annual report" -> {"company_name": "apple", "doc_type": "10-k", "fiscal_year": 2023}
"Tesla profitability" -> {"company_name": "tesla"}

Ответь ТОЛЬКО в JSON. Извлеки метаданные:
`

const keywordsPromptTemplate = `Сгенерируй РОВНО 5 финансовых ключевых фраз на терминологии отчётности SEC.

ЗАПРОС ПОЛЬЗОВАТЕЛЯ: %s

ИСПОЛЬЗУЙ ТОЧНЫЕ ТЕРМИНЫ ИЗ ОТЧЁТОВ 10-K/10-Q:

ЗАГОЛОВКИ ОТЧЁТНОСТИ:
"consolidated statements of operations", "consolidated balance sheets", "consolidated statements of cash flows", "consolidated statements of stockholders equity"

ОТЧЁТ О ПРИБЫЛЯХ И УБЫТКАХ:
"revenue", "net revenue", "cost of revenue", "gross profit", "operating income", "net income", "earnings per share"

БАЛАНС:
"total assets", "cash and cash equivalents", "total liabilities", "stockholders equity", "working capital", "long-term debt"

ДЕНЕЖНЫЕ ПОТОКИ:
"cash flows from operating activities", "net cash provided by operating activities", "cash flows from investing activities", "free cash flow", "capital expenditures"

ПРАВИЛА:
- Верни РОВНО 5 ключевых фраз
- Используй точные формулировки из отчётности SEC
- Соответствуй теме запроса (revenue -> термины выручки, cash -> термины cash flow)
- Используй "cash flows" (во мн. числе) и "stockholders equity"

Ответь ТОЛЬКО в JSON со схемой:
{"keywords": ["...", "...", "...", "...", "..."]}
`

const decomposeSystemPrompt = `Ты редактор запросов, который разбивает сложные запросы на фокусированные поисковые запросы для векторного хранилища.

СТРАТЕГИЯ ДЕКОМПОЗИЦИИ:
Разбей исходный запрос на 1–3 конкретных и фокусированных запроса, где каждый запрос нацелен на:
- Одну компанию
- Конкретный период времени
- Конкретную метрику или аспект

ПРАВИЛА:
- Раскрывай сокращения (например, "rev" -> "revenue", "GOOGL" -> "Google")
- Делай каждый запрос самодостаточным и конкретным
- Держи запросы краткими (5–10 слов)

Ответь ТОЛЬКО в JSON со схемой:
{"search_queries": ["...", "..."]}
`

const gradePromptTemplate = `You are a document relevance grader.

TASK: Evaluate if the retrieved documents are relevant to answer the user's question.

USER QUESTION: %s

RETRIEVED DOCUMENTS:
%s

CRITERIA:
- is_relevant = true: Documents contain information that can answer the question
- is_relevant = false: Documents are completely irrelevant, off-topic, or empty

Respond ONLY in JSON with this schema:
{"is_relevant": true/false, "reasoning": "brief explanation"}
`

const rewritePromptTemplate = `You are a query rewriting expert.

TASK: Rewrite the user's question to make it more specific and targeted for document retrieval.

ORIGINAL QUESTION: %s

INSTRUCTIONS:
- Make the query more specific with keywords
- Add relevant financial terms (revenue, profit, earnings, cash flow, etc.)
- Preserve the original intent
- Keep it concise (5-12 words)

Return ONLY in JSON with this schema:
{"rewritten_query": "..."}`

const draftSystemPrompt = `Ты финансовый аналитик. Отвечай строго на основе предоставленных документов.

Требования:
- Ответ на русском языке
- Используй Markdown
- Для сравнений выводи таблицы
- Ссылайся на документы inline маркерами [1], [2] по их номерам
- Если данных нет, честно скажи об этом
`

const critiqueSystemPrompt = `Ты финансовый аналитик, проверяющий полноту черновика ответа.

ЗАДАЧА:
1) Оцени, полностью ли черновик отвечает на вопрос на основе документов.
2) Укажи, какие данные отсутствуют.
3) Если данных недостаточно, сгенерируй ОДИН уточняющий поисковый запрос.

Верни СТРОГО JSON со схемой:
{"is_complete": true/false, "missing": "...", "follow_up_query": "..."}
Если is_complete=true, верни пустой follow_up_query.
`

const reviseSystemPrompt = `Ты финансовый аналитик.

ЗАДАЧА:
1) Перепиши ответ, используя новые документы.
2) Ответ на русском языке, в Markdown.
3) Ссылайся на документы inline маркерами [1], [2] по их номерам.
4) Для сравнений выводи таблицы.
5) Если данных нет, честно скажи об этом.
`

// emptyAnswerFallback is returned when the model produces no content.
const emptyAnswerFallback = "Не удалось сформировать ответ. Попробуйте уточнить запрос."

// outOfScopeAnswer is the polite refusal for off-domain queries.
const outOfScopeAnswer = "Этот вопрос выходит за рамки системы: я отвечаю только на вопросы о финансовой отчётности компаний (10-K/10-Q/8-K). Попробуйте задать вопрос о финансовых показателях компании."

func scopePrompt(query string) string {
	return fmt.Sprintf(scopePromptTemplate, query)
}

func filtersPrompt(query string) string {
	return fmt.Sprintf(filtersPromptTemplate, query)
}

func keywordsPrompt(query string) string {
	return fmt.Sprintf(keywordsPromptTemplate, query)
}

func gradePrompt(query string, chunks []document.Chunk) string {
	return fmt.Sprintf(gradePromptTemplate, query, formatEvidence(chunks))
}

func rewritePrompt(query string) string {
	return fmt.Sprintf(rewritePromptTemplate, query)
}

func draftUserPrompt(query string, chunks []document.Chunk) string {
	return fmt.Sprintf("Вопрос пользователя: %s\n\nДокументы:\n%s", query, formatEvidence(chunks))
}

func reviseUserPrompt(query, prior string, chunks []document.Chunk) string {
	return fmt.Sprintf("Вопрос: %s\n\nПредыдущий ответ:\n%s\n\nНовые документы:\n%s",
		query, prior, formatEvidence(chunks))
}

func critiqueUserPrompt(query, draft string) string {
	return fmt.Sprintf("Вопрос: %s\n\nЧерновик ответа:\n%s", query, draft)
}

// formatEvidence numbers chunks so inline citation markers map back to them.
func formatEvidence(chunks []document.Chunk) string {
	if len(chunks) == 0 {
		return "(документы не найдены)"
	}
	var b strings.Builder
	for i, chunk := range chunks {
		origin := chunk.SourceFile
		if chunk.Source == document.SourceLocal && chunk.Page > 0 {
			origin = fmt.Sprintf("%s, стр. %d", chunk.SourceFile, chunk.Page)
		}
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, origin, strings.TrimSpace(chunk.Content))
	}
	return strings.TrimSpace(b.String())
}
