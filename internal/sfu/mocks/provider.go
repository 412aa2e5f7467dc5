package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"live-classroom/internal/sfu"
)

// Provider is a testify mock of sfu.Provider.
type Provider struct {
	mock.Mock
}

func (m *Provider) CreateRouter(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *Provider) RouterCapabilities(ctx context.Context, routerID string) (sfu.RTPCapabilities, error) {
	args := m.Called(ctx, routerID)
	caps, _ := args.Get(0).(sfu.RTPCapabilities)
	return caps, args.Error(1)
}

func (m *Provider) CreateTransport(ctx context.Context, routerID string, direction sfu.Direction) (*sfu.TransportInfo, error) {
	args := m.Called(ctx, routerID, direction)
	info, _ := args.Get(0).(*sfu.TransportInfo)
	return info, args.Error(1)
}

func (m *Provider) ConnectTransport(ctx context.Context, transportID string, params sfu.ConnectParams) error {
	return m.Called(ctx, transportID, params).Error(0)
}

func (m *Provider) Produce(ctx context.Context, transportID string, kind string, params sfu.ProduceParameters) (string, error) {
	args := m.Called(ctx, transportID, kind, params)
	return args.String(0), args.Error(1)
}

func (m *Provider) Consume(ctx context.Context, transportID, producerID string, caps sfu.RTPCapabilities) (*sfu.ConsumerInfo, error) {
	args := m.Called(ctx, transportID, producerID, caps)
	info, _ := args.Get(0).(*sfu.ConsumerInfo)
	return info, args.Error(1)
}

func (m *Provider) ResumeConsumer(ctx context.Context, consumerID string) error {
	return m.Called(ctx, consumerID).Error(0)
}

func (m *Provider) PauseProducer(ctx context.Context, producerID string) error {
	return m.Called(ctx, producerID).Error(0)
}

func (m *Provider) ResumeProducer(ctx context.Context, producerID string) error {
	return m.Called(ctx, producerID).Error(0)
}

func (m *Provider) CloseProducer(ctx context.Context, producerID string) error {
	return m.Called(ctx, producerID).Error(0)
}

func (m *Provider) CloseTransport(ctx context.Context, transportID string) error {
	return m.Called(ctx, transportID).Error(0)
}

func (m *Provider) CloseRouter(ctx context.Context, routerID string) error {
	return m.Called(ctx, routerID).Error(0)
}
