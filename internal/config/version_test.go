package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name      string
		version   int
		wantErr   bool
		wantNewer bool
	}{
		{name: "current", version: CurrentVersion},
		{name: "zero", version: 0, wantErr: true},
		{name: "negative", version: -1, wantErr: true},
		{name: "newer than build", version: CurrentVersion + 1, wantErr: true, wantNewer: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Newer != tt.wantNewer {
				t.Errorf("Newer = %v, want %v", ve.Newer, tt.wantNewer)
			}
		})
	}
}

func TestVersionError_Messages(t *testing.T) {
	newer := (&VersionError{Version: 2, Current: 1, Newer: true}).Error()
	if !strings.Contains(newer, "upgrade ephemera") {
		t.Errorf("newer message = %q", newer)
	}
	old := (&VersionError{Version: 0, Current: 1}).Error()
	if !strings.Contains(old, "set version: 1") {
		t.Errorf("unsupported message = %q", old)
	}
}

func TestVersionError_NilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("expected empty string from nil VersionError, got %q", got)
	}
}
