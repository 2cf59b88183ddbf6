package api

import "github.com/example/trust-ledger/internal/security"

const amountPattern = `^[0-9]+(\\.[0-9]+)?$`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "bank": {"$ref": "#/$defs/bank"}
  },
  "$defs": {
    "bank": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "bank_name": {"type": "string", "maxLength": 256},
        "routing_number": {"type": "string", "maxLength": 64},
        "account_number": {"type": "string", "maxLength": 64}
      }
    }
  }
}`

const updateAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "bank": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "bank_name": {"type": "string", "maxLength": 256},
        "routing_number": {"type": "string", "maxLength": 64},
        "account_number": {"type": "string", "maxLength": 64}
      }
    }
  }
}`

const postingSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "client_id", "amount"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "client_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "amount": {"type": "string", "pattern": "` + amountPattern + `"},
    "effective_date": {"type": "string", "minLength": 1},
    "description": {"type": "string", "maxLength": 1024}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_account_id", "to_account_id", "client_id", "amount"],
  "properties": {
    "from_account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "to_account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "client_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "amount": {"type": "string", "pattern": "` + amountPattern + `"},
    "effective_date": {"type": "string", "minLength": 1},
    "description": {"type": "string", "maxLength": 1024}
  }
}`

const correctionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "type", "amount", "description"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "type": {"type": "string", "enum": ["DEPOSIT", "WITHDRAWAL"]},
    "amount": {"type": "string", "pattern": "` + amountPattern + `"},
    "effective_date": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1, "maxLength": 1024}
  }
}`

const reconcileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["transaction_ids", "reconciliation_date"],
  "properties": {
    "transaction_ids": {
      "type": "array",
      "minItems": 1,
      "maxItems": 5000,
      "items": {"type": "string", "minLength": 1}
    },
    "reconciliation_date": {"type": "string", "minLength": 1}
  }
}`

const statementSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["balance", "statement_date"],
  "properties": {
    "balance": {"type": "string", "pattern": "` + amountPattern + `"},
    "statement_date": {"type": "string", "minLength": 1}
  }
}`

type schemas struct {
	createAccount *security.JSONSchemaValidator
	updateAccount *security.JSONSchemaValidator
	posting       *security.JSONSchemaValidator
	transfer      *security.JSONSchemaValidator
	correction    *security.JSONSchemaValidator
	reconcile     *security.JSONSchemaValidator
	statement     *security.JSONSchemaValidator
}

func compileSchemas() (*schemas, error) {
	var s schemas
	for _, c := range []struct {
		dst  **security.JSONSchemaValidator
		name string
		doc  string
	}{
		{&s.createAccount, "create-account", createAccountSchema},
		{&s.updateAccount, "update-account", updateAccountSchema},
		{&s.posting, "posting", postingSchema},
		{&s.transfer, "transfer", transferSchema},
		{&s.correction, "correction", correctionSchema},
		{&s.reconcile, "reconcile", reconcileSchema},
		{&s.statement, "statement", statementSchema},
	} {
		v, err := security.NewJSONSchemaValidator(c.name, c.doc)
		if err != nil {
			return nil, err
		}
		*c.dst = v
	}
	return &s, nil
}
