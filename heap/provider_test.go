package heap_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/segheap/heap"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"github.com/vkngwrapper/segheap/mocks"
	"go.uber.org/mock/gomock"
)

// mockProvider returns a mock that delegates to a real SliceProvider for everything except
// Grow, whose calls are left to the test to expect
func mockProvider(ctrl *gomock.Controller) (*mocks.MockProvider, *provider.SliceProvider) {
	backing := provider.NewSliceProvider(0)

	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Size().DoAndReturn(backing.Size).AnyTimes()
	p.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()

	return p, backing
}

func TestInitFailsWhenSeedChunkRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, backing := mockProvider(ctrl)
	gomock.InOrder(
		p.EXPECT().Grow(firstBlock).DoAndReturn(backing.Grow),
		p.EXPECT().Grow(heap.DefaultChunkSize).Return(0, errors.Wrap(provider.ErrCeilingReached, "injected")),
	)

	_, err := heap.New(testLogger(), p, heap.CreateOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
}

func TestInitRejectsMovedBreak(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, _ := mockProvider(ctrl)
	p.EXPECT().Grow(firstBlock).Return(64, nil)

	_, err := heap.New(testLogger(), p, heap.CreateOptions{})
	require.Error(t, err)
}

func TestAllocateSurvivesGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, backing := mockProvider(ctrl)
	gomock.InOrder(
		p.EXPECT().Grow(firstBlock).DoAndReturn(backing.Grow),
		p.EXPECT().Grow(heap.DefaultChunkSize).DoAndReturn(backing.Grow),
		// 8000 bytes of payload become an 8016 byte block
		p.EXPECT().Grow(8016).Return(0, errors.Wrap(provider.ErrCeilingReached, "injected")),
		p.EXPECT().Grow(8016).DoAndReturn(backing.Grow),
	)

	h, err := heap.New(testLogger(), p, heap.CreateOptions{})
	require.NoError(t, err)

	small, err := h.Allocate(100)
	require.NoError(t, err)
	fill(h, small, 100, 40)

	failed, err := h.Allocate(8000)
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
	require.Equal(t, heap.Nil, failed)
	requireConsistent(t, h)
	require.Equal(t, seededHeap, h.Size())

	big, err := h.Allocate(8000)
	require.NoError(t, err)
	require.Equal(t, 8000, h.UsableSize(big))
	requireFilled(t, h, small, 100, 40)
	requireConsistent(t, h)
}

func TestDestroyClosesProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, backing := mockProvider(ctrl)
	p.EXPECT().Grow(gomock.Any()).DoAndReturn(backing.Grow).Times(2)
	p.EXPECT().Close().Return(errors.New("injected"))

	h, err := heap.New(testLogger(), p, heap.CreateOptions{})
	require.NoError(t, err)

	err = h.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "injected")
}
