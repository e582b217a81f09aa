package multierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

func TestError(t *testing.T) {
	var errs Error
	require.NoError(t, errs.ErrorOrNil())

	Append(&errs, nil)
	require.NoError(t, errs.ErrorOrNil())

	Append(&errs, errors.New("a.mp4: upload failed"))
	Append(&errs, errNotFound)

	err := errs.ErrorOrNil()
	require.Error(t, err)
	assert.Equal(t, "a.mp4: upload failed\nnot found", err.Error())
	assert.ErrorIs(t, err, errNotFound)
}

func TestError_SkipsNilEntries(t *testing.T) {
	errs := Error{nil, errors.New("first"), nil, errors.New("second")}
	assert.Equal(t, "first\nsecond", errs.Error())
}
