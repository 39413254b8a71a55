package store_test

import (
	"testing"

	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/generic/store"
	"github.com/warp/coachdesk/generic/store/storetest"
)

func TestMemory_MirrorContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.MirrorStore {
		return store.NewMemory()
	})
}
