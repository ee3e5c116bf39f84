package grant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

const grantee = "0x1234567890123456789012345678901234567890"

func validGrantJSON(extra string) []byte {
	body := `{
		"grantee": "` + grantee + `",
		"operation": "remote-llm",
		"parameters": {"prompt": "summarize {{data}}"` + extra + `}
	}`
	return []byte(body)
}

func TestValidateAccepts(t *testing.T) {
	g, err := Validate(validGrantJSON(""), grantee, time.Unix(1000, 0))
	require.NoError(t, err)
	assert.Equal(t, "remote-llm", g.Operation)
	assert.Equal(t, "summarize {{data}}", g.Prompt())
}

func TestValidateGranteeIsCaseInsensitive(t *testing.T) {
	lower := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	upper := "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"
	raw := []byte(`{"grantee": "` + lower + `", "operation": "remote-llm", "parameters": {"prompt": "summarize {{data}}"}}`)
	_, err := Validate(raw, upper, time.Unix(1000, 0))
	require.NoError(t, err)
}

func TestValidateRejectsGranteeMismatch(t *testing.T) {
	_, err := Validate(validGrantJSON(""), "0x0000000000000000000000000000000000000000", time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateRejectsMalformedGranteeAddress(t *testing.T) {
	raw := []byte(`{"grantee":"not-an-address","operation":"remote-llm","parameters":{}}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateRejectsUnsupportedOperation(t *testing.T) {
	raw := []byte(`{"grantee":"` + grantee + `","operation":"delete-everything","parameters":{}}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateRejectsExpiredGrant(t *testing.T) {
	raw := []byte(`{"grantee":"` + grantee + `","operation":"remote-llm","parameters":{},"expires":500}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateAcceptsExactlyAtExpiry(t *testing.T) {
	raw := []byte(`{"grantee":"` + grantee + `","operation":"remote-llm","parameters":{},"expires":1000}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.NoError(t, err)
}

func TestValidateAgentOperationIgnoresResponseFormat(t *testing.T) {
	raw := []byte(`{"grantee":"` + grantee + `","operation":"agent-qwen","parameters":{"goal":"do stuff","response_format":"nonsense"}}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.NoError(t, err)
}

func TestValidateRejectsMalformedResponseFormat(t *testing.T) {
	_, err := Validate(validGrantJSON(`,"response_format":"not-an-object"`), grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateRejectsUnsupportedResponseFormatType(t *testing.T) {
	_, err := Validate(validGrantJSON(`,"response_format":{"type":"xml"}`), grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateAcceptsJSONObjectResponseFormat(t *testing.T) {
	g, err := Validate(validGrantJSON(`,"response_format":{"type":"json_object"}`), grantee, time.Unix(1000, 0))
	require.NoError(t, err)
	require.NotNil(t, g.ResponseFormatOrNil())
	assert.Equal(t, "json_object", g.ResponseFormatOrNil().Type)
}

func TestValidateRejectsMissingParameters(t *testing.T) {
	raw := []byte(`{"grantee":"` + grantee + `","operation":"remote-llm"}`)
	_, err := Validate(raw, grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}

func TestValidateRejectsInvalidJSON(t *testing.T) {
	_, err := Validate([]byte("not json"), grantee, time.Unix(1000, 0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGrantValidation, apperrors.KindOf(err))
}
