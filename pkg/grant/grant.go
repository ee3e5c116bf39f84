// Package grant validates an off-chain grant file against its
// structural schema and its business rules: grantee match, expiry,
// and operation support.
package grant

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/types"
)

// SupportedOperations is the closed set of operation names a grant
// file may request.
var SupportedOperations = map[string]bool{
	"remote-llm":   true,
	"agent-qwen":   true,
	"agent-gemini": true,
}

const (
	responseFormatText = "text"
	responseFormatJSON = "json_object"
)

// Validate parses and validates raw grant file JSON against
// expectedGrantee (the address the grant must name) at time now. It
// performs structural checks first (required fields, address shape,
// operation in the supported set, parameters is an object), then
// semantic checks (grantee match, expiry, response_format shape for
// remote-LLM operations).
func Validate(raw []byte, expectedGrantee string, now time.Time) (*types.Grant, error) {
	var doc struct {
		Grantee    string         `json:"grantee"`
		Operation  string         `json:"operation"`
		Parameters map[string]any `json:"parameters"`
		Expires    *int64         `json:"expires"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant file is not valid JSON", err)
	}

	if doc.Grantee == "" || !common.IsHexAddress(doc.Grantee) {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant.grantee must be a 20-byte address", nil)
	}
	if doc.Operation == "" {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant.operation is required", nil)
	}
	if !SupportedOperations[doc.Operation] {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant.operation is not a supported operation", nil)
	}
	if doc.Parameters == nil {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant.parameters must be an object", nil)
	}

	if !strings.EqualFold(doc.Grantee, expectedGrantee) {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant.grantee does not match the expected grantee", nil)
	}
	if doc.Expires != nil && *doc.Expires < now.Unix() {
		return nil, apperrors.New(apperrors.KindGrantValidation, "grant has expired", nil)
	}

	grant := &types.Grant{
		Grantee:    doc.Grantee,
		Operation:  doc.Operation,
		Parameters: doc.Parameters,
		Expires:    doc.Expires,
	}

	if doc.Operation == "remote-llm" {
		if raw, present := doc.Parameters["response_format"]; present {
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, apperrors.New(apperrors.KindGrantValidation, "response_format must be an object", nil)
			}
			t, _ := obj["type"].(string)
			if t != responseFormatText && t != responseFormatJSON {
				return nil, apperrors.New(apperrors.KindGrantValidation, "response_format.type must be text or json_object", nil)
			}
		}
	}

	return grant, nil
}
