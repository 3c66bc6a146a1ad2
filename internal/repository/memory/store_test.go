package memory

import (
	"testing"

	"github.com/and161185/airchainpay/internal/repository"
	"github.com/and161185/airchainpay/internal/repository/repotest"
)

func TestStore(t *testing.T) {
	t.Parallel()
	repotest.Run(t, func(*testing.T) repository.Store { return New() })
}
