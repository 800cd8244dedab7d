package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfAndIs(t *testing.T) {
	t.Parallel()

	base := errors.New("disk full")
	err := fmt.Errorf("save snapshot: %w", New(PersistenceFailure, "save", base).WithIdentity(76561197960287930))

	assert.Equal(t, PersistenceFailure, KindOf(err))
	assert.True(t, errors.Is(err, Persistence))
	assert.False(t, errors.Is(err, Source))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, Kind(""), KindOf(base))
}

func TestErrorMessageCarriesContext(t *testing.T) {
	t.Parallel()

	err := New(DeliveryFailed, "deliver", errors.New("timeout")).WithGroup("telegram:-1001").WithIdentity(42)
	assert.Equal(t, "DeliveryFailed (deliver) identity=42 group=telegram:-1001: timeout", err.Error())
}

func TestPersistNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Persist("noop", nil))
	assert.Equal(t, PersistenceFailure, KindOf(Persist("op", errors.New("x"))))
}
