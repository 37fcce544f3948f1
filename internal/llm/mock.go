package llm

import "context"

// MockClient is a test double for the Generator interface.
type MockClient struct {
	Response string
	Err      error
	Calls    []MockCall // records prompts sent
}

// MockCall captures one Chat invocation
type MockCall struct {
	System string
	User   string
}

// Chat records the call and returns the canned response.
func (m *MockClient) Chat(_ context.Context, system, userMessage string) (string, error) {
	m.Calls = append(m.Calls, MockCall{System: system, User: userMessage})
	return m.Response, m.Err
}

// ModelName identifies the double in audit output.
func (m *MockClient) ModelName() string {
	return "mock"
}
