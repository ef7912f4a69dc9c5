package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/imagejobs/internal/domain"
)

func TestSubject(t *testing.T) {
	ev := domain.Event{Kind: domain.EventCheckpoint, Type: domain.TypeScrapeSource}
	assert.Equal(t, "imagejobs.events.scrape-source.checkpoint", Subject(ev))
}
