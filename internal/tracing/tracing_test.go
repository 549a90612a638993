package tracing

import "testing"

func TestSetup_DisabledWithoutKeys(t *testing.T) {
	t.Setenv("LANGFUSE_PUBLIC_KEY", "")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk")

	h, flush, ok := Setup()
	if ok || h != nil || flush != nil {
		t.Errorf("Setup() = %v, %v, %v; want disabled", h, flush != nil, ok)
	}
	Install(nil)
}
