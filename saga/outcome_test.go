package saga

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jacentio/rowsaga/store"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindUnchanged, Classify(nil))
	assert.Equal(t, KindNotFound, Classify(fmt.Errorf("get: %w", store.ErrNotFound)))
	assert.Equal(t, KindAlreadyExists, Classify(store.ErrAlreadyExists))
	assert.Equal(t, KindConflict, Classify(store.ErrConcurrentModification))
	assert.Equal(t, KindRejected, Classify(ErrRejected))
	assert.Equal(t, KindFailed, Classify(errors.New("x")))
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Keep(1).Err())
	assert.NoError(t, Save(1, nil).Err())

	err := Reject[int](errors.New("parent gone")).Err()
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "parent gone")

	assert.ErrorIs(t, Outcome[int]{Kind: KindNotFound}.Err(), store.ErrNotFound)
	assert.Error(t, Outcome[int]{Kind: KindFailed}.Err())
}

func TestFromError(t *testing.T) {
	o := FromError(7, nil)
	assert.Equal(t, KindUnchanged, o.Kind)
	assert.Equal(t, 7, o.Value)

	o = FromError(7, store.ErrAlreadyExists)
	assert.Equal(t, KindAlreadyExists, o.Kind)
	assert.Zero(t, o.Value)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "unknown", Kind(0).String())
	assert.True(t, KindSaved.Succeeded())
	assert.False(t, KindConflict.Succeeded())
}
