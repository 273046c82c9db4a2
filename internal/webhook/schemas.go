package webhook

import (
	"github.com/xeipuuv/gojsonschema"
)

const schemaMpesaSTK = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["Body"],
  "properties": {
    "Body": {
      "type": "object",
      "required": ["stkCallback"],
      "properties": {
        "stkCallback": {
          "type": "object",
          "required": ["CheckoutRequestID", "ResultCode"],
          "properties": {
            "MerchantRequestID": { "type": "string" },
            "CheckoutRequestID": { "type": "string", "minLength": 1 },
            "ResultCode": { "type": ["integer", "string"] },
            "ResultDesc": { "type": "string" }
          }
        }
      }
    }
  }
}`

const schemaMpesaB2C = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["Result"],
  "properties": {
    "Result": {
      "type": "object",
      "required": ["ResultCode", "OriginatorConversationID"],
      "properties": {
        "ResultType": { "type": ["integer", "string"] },
        "ResultCode": { "type": ["integer", "string"] },
        "ResultDesc": { "type": "string" },
        "OriginatorConversationID": { "type": "string", "minLength": 1 },
        "ConversationID": { "type": "string" },
        "TransactionID": { "type": "string" }
      }
    }
  }
}`

const schemaAirtel = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["transaction"],
  "properties": {
    "transaction": {
      "type": "object",
      "required": ["id", "status_code"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "message": { "type": "string" },
        "status_code": { "type": "string" },
        "airtel_money_id": { "type": "string" }
      }
    }
  }
}`

const schemaPesapal = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["OrderTrackingId"],
  "properties": {
    "OrderTrackingId": { "type": "string", "minLength": 1 },
    "OrderMerchantReference": { "type": "string" },
    "OrderNotificationType": { "type": "string" }
  }
}`

const schemaFlutterwave = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": { "type": "string" },
    "data": {
      "type": "object",
      "properties": {
        "id": { "type": ["integer", "string"] },
        "tx_ref": { "type": "string" },
        "reference": { "type": "string" },
        "status": { "type": "string" }
      }
    }
  }
}`

const schemaPaystack = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": { "type": "string" },
    "data": {
      "type": "object",
      "required": ["reference"],
      "properties": {
        "reference": { "type": "string", "minLength": 1 },
        "status": { "type": "string" },
        "transfer_code": { "type": "string" }
      }
    }
  }
}`

var (
	mpesaSTKLoader    = gojsonschema.NewStringLoader(schemaMpesaSTK)
	mpesaB2CLoader    = gojsonschema.NewStringLoader(schemaMpesaB2C)
	airtelLoader      = gojsonschema.NewStringLoader(schemaAirtel)
	pesapalLoader     = gojsonschema.NewStringLoader(schemaPesapal)
	flutterwaveLoader = gojsonschema.NewStringLoader(schemaFlutterwave)
	paystackLoader    = gojsonschema.NewStringLoader(schemaPaystack)
)

func conforms(schema gojsonschema.JSONLoader, body []byte) bool {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false
	}
	return result.Valid()
}
