package vision

import "fmt"

// SchemaVersion identifies the extraction schema embedded in every request,
// so a response can always be matched to the validator version it was
// produced for.
const SchemaVersion = "invoice/v1"

// extractionPrompt instructs the model to return invoice fields as JSON in
// the fixed schema the parser validates against.
const extractionPrompt = `You are analyzing an invoice document (schema %s). Carefully read all text in the image and extract the following information:

1. **Vendor Name**: The business issuing the invoice, usually the largest text or logo text at the top.

2. **Invoice Number**: The invoice or reference number, often labeled "Invoice #", "Invoice No", or "Reference".

3. **Issue Date**: The invoice or issue date, converted to ISO 8601 format (YYYY-MM-DD). Common printed formats: MM/DD/YYYY, DD/MM/YYYY, or written dates.

4. **Due Date**: The payment due date in YYYY-MM-DD format, if present.

5. **Payment Terms**: Terms such as "Net 30", if present.

6. **Line Items**: Every billed line with its description, quantity, unit price, and line total. Preserve the order printed on the invoice.

7. **Totals**: The subtotal before tax, the tax amount, and the grand total, usually at the bottom and labeled "Subtotal", "Tax"/"VAT", and "TOTAL" or "Amount Due".

8. **Currency**: The ISO 4217 currency code (e.g. USD, EUR). Infer it from the currency symbol if no code is printed.

Return ONLY valid JSON in this exact format:
{
  "vendor_name": "Acme Corp",
  "invoice_number": "INV-001",
  "issue_date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "payment_terms": "Net 30",
  "line_items": [
    {"description": "Widget", "quantity": 2, "unit_price": 10.00, "line_total": 20.00}
  ],
  "subtotal": 0.00,
  "tax": 0.00,
  "total": 0.00,
  "currency": "USD",
  "confidence": 0.0
}

Important:
- All amounts must be numbers (not strings), without currency symbols or thousands separators
- Dates must be in YYYY-MM-DD format
- Set "confidence" to your confidence in the extraction, from 0.0 to 1.0
- If you cannot find an optional field (due_date, payment_terms), use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// questionPrompt wraps a free-form user question about a document.
const questionPrompt = `You are analyzing an invoice document. Answer the following question about it accurately and concisely, based only on what is visible in the image.

Question: %s`

// BuildRequest builds the schema-constrained extraction request for one
// normalized page. Deterministic: the same image and schema version always
// produce the same request.
func BuildRequest(img NormalizedImage) Request {
	return Request{
		Prompt:        fmt.Sprintf(extractionPrompt, SchemaVersion),
		ImagePNG:      img.PNG,
		SchemaVersion: SchemaVersion,
	}
}

// BuildQuestionRequest builds a free-form question request about one
// normalized page.
func BuildQuestionRequest(img NormalizedImage, question string) Request {
	return Request{
		Prompt:        fmt.Sprintf(questionPrompt, question),
		ImagePNG:      img.PNG,
		SchemaVersion: SchemaVersion,
	}
}
