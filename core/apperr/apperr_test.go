package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("usb disconnected")
	err := Hardware("scale.weight", cause)

	assert.True(t, errors.Is(err, ErrHardwareFault))
	assert.False(t, errors.Is(err, ErrNoScale))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, HardwareFault, KindOf(err))
}

func TestErrorThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("dispense: %w", New(NoScale, "arbiter.checkout"))
	assert.True(t, errors.Is(err, ErrNoScale))
	assert.Equal(t, NoScale, KindOf(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(HardwareFault, "op", nil))
}

func TestErrorMessage(t *testing.T) {
	err := Hardware("motor.set_velocity", errors.New("link down"))
	assert.Equal(t, "motor.set_velocity: hardware fault: link down", err.Error())
	assert.Equal(t, "must have nonzero samples", ErrZeroSamples.Error())
}

func TestMarshalJSONRendersString(t *testing.T) {
	b, err := json.Marshal(New(ScaleAlreadyPresent, "arbiter.return"))
	require.NoError(t, err)
	assert.Equal(t, `"arbiter.return: scale already exists"`, string(b))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Other, KindOf(errors.New("x")))
}
