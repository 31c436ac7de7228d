package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

// NewNopMock returns a mock that accepts every metric update without
// expectations. Tests asserting on a counter use AssertCalled on it.
func NewNopMock() *MockStatsUpdater {
	su := &MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything)
	su.On("Decr", mock.Anything)
	su.On("Run").Maybe()
	return su
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}
