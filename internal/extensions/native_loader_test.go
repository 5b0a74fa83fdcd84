package extensions

import "testing"

func TestValidateExtensionPath_RejectsTraversal(t *testing.T) {
	err := validateExtensionPath("../../etc/passwd.so", []string{"/opt/extensions"}, nativeExtensionSuffixes)
	if err == nil {
		t.Fatalf("expected path traversal to be rejected")
	}
}

func TestValidateExtensionPath_RejectsWrongSuffix(t *testing.T) {
	err := validateExtensionPath("/opt/extensions/demo.txt", nil, nativeExtensionSuffixes)
	if err == nil {
		t.Fatalf("expected an unrecognized suffix to be rejected")
	}
}

func TestValidateExtensionPath_AcceptsWellFormedPath(t *testing.T) {
	err := validateExtensionPath("/opt/extensions/demo.so", nil, nativeExtensionSuffixes)
	if err != nil {
		t.Fatalf("expected a well-formed path to validate, got %v", err)
	}
}

func TestValidateExtensionPath_EnforcesAllowedDirs(t *testing.T) {
	err := validateExtensionPath("/tmp/outside/demo.so", []string{"/opt/extensions"}, nativeExtensionSuffixes)
	if err == nil {
		t.Fatalf("expected a path outside the allowed directories to be rejected")
	}
}

func TestValidateExtensionPath_AllowsWithinConfiguredDir(t *testing.T) {
	err := validateExtensionPath("/opt/extensions/sub/demo.so", []string{"/opt/extensions"}, nativeExtensionSuffixes)
	if err != nil {
		t.Fatalf("expected a path inside an allowed directory to validate, got %v", err)
	}
}

func TestContainsPathTraversalSegment(t *testing.T) {
	cases := map[string]bool{
		"a/b/c":       false,
		"a/../b":      true,
		"../a":        true,
		"a/b/..":      true,
		"":            false,
		"a.so":        false,
	}
	for path, want := range cases {
		if got := containsPathTraversalSegment(path); got != want {
			t.Errorf("containsPathTraversalSegment(%q) = %v, want %v", path, got, want)
		}
	}
}
