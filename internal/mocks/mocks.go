// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/notify"
)

// -- Notification Channel Mock --

// MockChannel mocks notify.Channel.
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Send(ctx context.Context, msg notify.Message) (notify.Handle, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(notify.Handle), args.Error(1)
}

func (m *MockChannel) Edit(ctx context.Context, h notify.Handle, msg notify.Message) (notify.Handle, error) {
	args := m.Called(ctx, h, msg)
	if rf, ok := args.Get(0).(func(context.Context, notify.Handle, notify.Message) (notify.Handle, error)); ok {
		return rf(ctx, h, msg)
	}
	return args.Get(0).(notify.Handle), args.Error(1)
}

func (m *MockChannel) Delete(ctx context.Context, h notify.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

// -- Driver Mock --

// MockDriver mocks driver.Driver. Prefer drivertest.Driver for page flows;
// this mock suits tests that only assert on a few calls.
type MockDriver struct {
	mock.Mock
}

func element(args mock.Arguments, i int) driver.Element {
	if el, ok := args.Get(i).(driver.Element); ok {
		return el
	}
	return nil
}

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockDriver) Find(ctx context.Context, loc driver.Locator) (driver.Element, error) {
	args := m.Called(ctx, loc)
	return element(args, 0), args.Error(1)
}

func (m *MockDriver) FindAll(ctx context.Context, within driver.Element, loc driver.Locator) ([]driver.Element, error) {
	args := m.Called(ctx, within, loc)
	els, _ := args.Get(0).([]driver.Element)
	return els, args.Error(1)
}

func (m *MockDriver) WaitFor(ctx context.Context, loc driver.Locator, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	args := m.Called(ctx, loc, cond, timeout)
	return element(args, 0), args.Error(1)
}

func (m *MockDriver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	return m.Called(ctx, substr, timeout).Error(0)
}

func (m *MockDriver) Click(ctx context.Context, el driver.Element) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockDriver) Type(ctx context.Context, el driver.Element, text string) error {
	return m.Called(ctx, el, text).Error(0)
}

func (m *MockDriver) Text(ctx context.Context, el driver.Element) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) SwitchToFrame(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	return m.Called(ctx, loc, timeout).Error(0)
}

func (m *MockDriver) SwitchToDefault(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) ExecuteScript(ctx context.Context, script string) error {
	return m.Called(ctx, script).Error(0)
}

func (m *MockDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) FrameURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	args := m.Called(ctx)
	cookies, _ := args.Get(0).([]driver.Cookie)
	return cookies, args.Error(1)
}

func (m *MockDriver) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	return m.Called(ctx, cookies).Error(0)
}

func (m *MockDriver) Quit() error {
	return m.Called().Error(0)
}

var (
	_ notify.Channel = (*MockChannel)(nil)
	_ driver.Driver  = (*MockDriver)(nil)
)
