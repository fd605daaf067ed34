package disk

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"scratch", "my-disk", "disk_01", "ABC123"}
	invalid := []string{"", "has space", "slash/name", "dot.name", "emoji😀"}

	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
