package failfast

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedError(t *testing.T) {
	base := New(BackupFailed, "copy", errors.New("no space left on device"))
	wrapped := fmt.Errorf("attempt abc: %w", base)

	assert.Equal(t, BackupFailed, KindOf(wrapped))
	assert.True(t, Has(wrapped, BackupFailed))
	assert.False(t, Has(wrapped, ArtifactInvalid))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestHas_NestedKinds(t *testing.T) {
	cause := New(HealthCheckTimeout, "", errors.New("10 attempts"))
	err := New(RollbackUnavailable, "rollback disabled", cause)

	assert.Equal(t, RollbackUnavailable, KindOf(err))
	assert.True(t, Has(err, HealthCheckTimeout))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "ArtifactInvalid: validate: missing server.js",
		New(ArtifactInvalid, "validate", errors.New("missing server.js")).Error())
	assert.Equal(t, "LockHeld", (&Error{Kind: LockHeld}).Error())
	assert.Equal(t, "InvalidConfig: port out of range", Newf(InvalidConfig, "port out of range").Error())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(New(ProcessStartFailed, "", nil)))
	assert.Equal(t, 1, ExitCode(errors.New("x")))
}
