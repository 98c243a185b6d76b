package api

const createTransactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type", "amount"],
  "properties": {
    "type": {"type": "string", "enum": ["DEPOSIT", "WITHDRAWAL", "TRANSFER"]},
    "amount": {"type": ["string", "number"]},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "from_account_id": {"type": "string", "minLength": 1},
    "to_account_id": {"type": "string", "minLength": 1},
    "description": {"type": "string", "maxLength": 255},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

// Item fields are checked by the engine so a bad item is reported by index.
const bulkTransactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["transactions"],
  "properties": {
    "transactions": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "object"}
    }
  }
}`

const openAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type", "currency"],
  "properties": {
    "type": {"type": "string", "enum": ["CHECKING", "SAVINGS"]},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"}
  }
}`
