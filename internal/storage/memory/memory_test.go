package memory

import (
	"testing"

	"github.com/jkaninda/shellbox/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, New())
}
