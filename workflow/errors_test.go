package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/storage"
	"github.com/stretchr/testify/assert"
)

func TestTranslateStoreErr(t *testing.T) {
	assert.NoError(t, translateStoreErr(nil))

	notFound := translateStoreErr(fmt.Errorf("%w: id=seo-workflow-1", storage.ErrSessionNotFound))
	assert.ErrorIs(t, notFound, ErrNotFound)
	assert.ErrorIs(t, notFound, storage.ErrSessionNotFound)
	assert.EqualError(t, notFound, "session not found: id=seo-workflow-1")

	terminal := translateStoreErr(fmt.Errorf("%w: id=seo-workflow-1 status=COMPLETED", storage.ErrSessionTerminal))
	assert.ErrorIs(t, terminal, ErrInvalidState)
	assert.ErrorIs(t, terminal, storage.ErrSessionTerminal)
	assert.EqualError(t, terminal, "session is terminal: id=seo-workflow-1 status=COMPLETED")

	other := errors.New("connection refused")
	assert.Same(t, other, translateStoreErr(other))

	e, _ := newTestEngine(t, capability.Uniform(&MockCapability{}))
	_, err := e.Status(context.Background(), "missing")
	assert.EqualError(t, err, "session not found: id=missing")
}
