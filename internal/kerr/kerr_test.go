package kerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type causeWrap struct{ err error }

func (c causeWrap) Error() string { return c.err.Error() }
func (c causeWrap) Cause() error  { return c.err }

func TestIs(t *testing.T) {
	noSpace := New(NoSpace, "kmem exhausted")
	other := errors.New("other")

	tests := map[string]struct {
		err      error
		kind     Kind
		expected bool
	}{
		"direct":          {noSpace, NoSpace, true},
		"direct-wrong":    {noSpace, NoCredits, false},
		"other":           {other, NoSpace, false},
		"wrapped":         {fmt.Errorf("wrap: %w", noSpace), NoSpace, true},
		"multi-wrapped":   {fmt.Errorf("a: %w", fmt.Errorf("b: %w", noSpace)), NoSpace, true},
		"joined":          {errors.Join(other, noSpace), NoSpace, true},
		"cause-chain":     {causeWrap{noSpace}, NoSpace, true},
		"kerr-wrap-keeps": {Wrap(NoSpace, errors.New("kmem"), "derive_kmem"), NoSpace, true},
		"nil":             {nil, NoSpace, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Is(tc.err, tc.kind))
		})
	}
}

func TestKindOf(t *testing.T) {
	err := Newf(NoCredits, "ep %d exhausted", 3)
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, NoCredits, kind)
	assert.Equal(t, "NoCredits", kind.String())

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
