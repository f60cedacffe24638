package envelope

// Per-family intent schemas. The schema decides; any intent shape not
// explicitly allowed here is rejected before it reaches a connector.

const transferSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["chain", "asset", "amount", "recipient"],
  "additionalProperties": false,
  "properties": {
    "chain":     {"type": "string", "minLength": 1},
    "asset":     {"type": "string", "minLength": 1},
    "amount":    {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "recipient": {"type": "string", "minLength": 1},
    "memo":      {"type": "string"}
  }
}`

const swapSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["chain", "sellAsset", "buyAsset", "amount"],
  "additionalProperties": false,
  "properties": {
    "chain":       {"type": "string", "minLength": 1},
    "sellAsset":   {"type": "string", "minLength": 1},
    "buyAsset":    {"type": "string", "minLength": 1},
    "amount":      {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "slippageBps": {"type": "integer", "minimum": 0, "maximum": 10000},
    "recipient":   {"type": "string"}
  }
}`

const lendingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["chain", "protocol", "asset", "amount"],
  "additionalProperties": false,
  "properties": {
    "chain":    {"type": "string", "minLength": 1},
    "protocol": {"type": "string", "minLength": 1},
    "asset":    {"type": "string", "minLength": 1},
    "amount":   {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
  }
}`

const bridgeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sourceChain", "destChain", "asset", "amount"],
  "additionalProperties": false,
  "properties": {
    "sourceChain": {"type": "string", "minLength": 1},
    "destChain":   {"type": "string", "minLength": 1},
    "asset":       {"type": "string", "minLength": 1},
    "amount":      {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "recipient":   {"type": "string"}
  }
}`

const perpSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["size"],
  "additionalProperties": false,
  "properties": {
    "market":     {"type": "string", "minLength": 1},
    "side":       {"type": "string", "enum": ["buy", "sell"]},
    "size":       {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "price":      {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "orderType":  {"type": "string", "enum": ["market", "limit"]},
    "reduceOnly": {"type": "boolean"}
  }
}`
