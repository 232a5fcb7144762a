package signaling_test

import (
	"testing"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/stretchr/testify/assert"
)

// TestCauseIsRejection проверяет классификацию явного отказа
func TestCauseIsRejection(t *testing.T) {
	assert.True(t, signaling.Cause{Code: 603, Reason: "Decline"}.IsRejection())
	assert.True(t, signaling.Cause{Code: 403}.IsRejection())
	assert.True(t, signaling.Cause{Reason: "Rejected"}.IsRejection())
	assert.True(t, signaling.Cause{Reason: " rejected "}.IsRejection())

	assert.False(t, signaling.Cause{Code: 486, Reason: "Busy Here"}.IsRejection())
	assert.False(t, signaling.Cause{Code: 408, Reason: "Request Timeout"}.IsRejection())
	assert.False(t, signaling.Cause{}.IsRejection())
}

// TestCauseString проверяет текстовое представление причины
func TestCauseString(t *testing.T) {
	assert.Equal(t, "486 Busy Here", signaling.Cause{Code: 486, Reason: "Busy Here"}.String())
	assert.Equal(t, "500", signaling.Cause{Code: 500}.String())
	assert.Equal(t, "transport error", signaling.Cause{Reason: "transport error"}.String())
}

// TestEventKinds проверяет соответствие типов событий их видам
func TestEventKinds(t *testing.T) {
	events := map[signaling.EventKind]signaling.Event{
		signaling.KindConnected:          signaling.Connected{},
		signaling.KindDisconnected:       signaling.Disconnected{},
		signaling.KindRegistered:         signaling.Registered{},
		signaling.KindRegistrationFailed: signaling.RegistrationFailed{},
		signaling.KindUnregistered:       signaling.Unregistered{},
		signaling.KindSessionCreated:     signaling.SessionCreated{},
		signaling.KindSessionProgress:    signaling.SessionProgress{},
		signaling.KindSessionAccepted:    signaling.SessionAccepted{},
		signaling.KindSessionConfirmed:   signaling.SessionConfirmed{},
		signaling.KindSessionEnded:       signaling.SessionEnded{},
		signaling.KindSessionFailed:      signaling.SessionFailed{},
	}
	for kind, ev := range events {
		assert.Equal(t, kind, ev.Kind())
		assert.NotContains(t, kind.String(), "unknown")
	}

	assert.True(t, signaling.IsSessionEvent(signaling.SessionFailed{ID: "a"}))
	assert.False(t, signaling.IsSessionEvent(signaling.Registered{}))
}

// TestValidateDigit проверяет допустимые символы DTMF
func TestValidateDigit(t *testing.T) {
	for _, d := range "0123456789*#ABCDabcd" {
		assert.NoError(t, signaling.ValidateDigit(d), "символ %q", d)
	}
	for _, d := range "xE+ " {
		assert.ErrorIs(t, signaling.ValidateDigit(d), signaling.ErrInvalidDigit, "символ %q", d)
	}
}

// TestIdentityValidate проверяет валидацию учётной записи
func TestIdentityValidate(t *testing.T) {
	id := signaling.Identity{Extension: "3000", Credential: "secret", TransportAddress: "wss://pbx/ws"}
	assert.NoError(t, id.Validate())
	assert.NotContains(t, id.String(), "secret")

	assert.Error(t, signaling.Identity{TransportAddress: "wss://pbx/ws"}.Validate())
	assert.Error(t, signaling.Identity{Extension: "3000"}.Validate())
}
