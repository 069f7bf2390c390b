package agent

import "testing"

func TestProviderSpecFactoryResolvesRegisteredArmnn(t *testing.T) {
	factory, err := ProviderSpecFactory(ProviderArmnn)
	if err != nil {
		t.Fatalf("ProviderSpecFactory(armnn): %v", err)
	}
	spec := factory(123)
	if spec == nil {
		t.Fatal("factory(123) returned nil Specialization")
	}
	if _, ok := spec.(*ARMNNSpecialization); !ok {
		t.Fatalf("factory(123) = %T, want *ARMNNSpecialization", spec)
	}
}

func TestProviderSpecFactoryUnknownKind(t *testing.T) {
	if _, err := ProviderSpecFactory(ProviderKind("nonexistent")); err == nil {
		t.Fatal("expected error for unregistered provider kind")
	}
}

func TestRegisterProviderOverridesExisting(t *testing.T) {
	const kind ProviderKind = "test-only"
	called := false
	RegisterProvider(kind, func(pid int) Specialization {
		called = true
		return NewARMNNSpecialization("/tmp/unused")
	})
	factory, err := ProviderSpecFactory(kind)
	if err != nil {
		t.Fatalf("ProviderSpecFactory: %v", err)
	}
	factory(1)
	if !called {
		t.Fatal("registered factory was not invoked")
	}
}
