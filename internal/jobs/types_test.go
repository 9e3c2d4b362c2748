package jobs

import "testing"

func TestPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{
			name: "valid enhancement",
			payload: Payload{
				Kind:        KindEnhancement,
				DocumentID:  "doc-1",
				UserID:      "user-1",
				Enhancement: &EnhancementOptions{Preset: "vivid"},
			},
		},
		{
			name: "valid analysis without options",
			payload: Payload{
				Kind:       KindAnalysis,
				DocumentID: "doc-1",
				UserID:     "user-1",
			},
		},
		{
			name: "valid export",
			payload: Payload{
				Kind:       KindExport,
				DocumentID: "doc-1",
				UserID:     "user-1",
				Export:     &ExportOptions{Format: "pdf"},
			},
		},
		{
			name: "missing documentId",
			payload: Payload{
				Kind:   KindEnhancement,
				UserID: "user-1",
			},
			wantErr: true,
		},
		{
			name: "missing userId",
			payload: Payload{
				Kind:       KindEnhancement,
				DocumentID: "doc-1",
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			payload: Payload{
				Kind:       Kind("transmogrify"),
				DocumentID: "doc-1",
				UserID:     "user-1",
			},
			wantErr: true,
		},
		{
			name: "enhancement carrying export variant",
			payload: Payload{
				Kind:       KindEnhancement,
				DocumentID: "doc-1",
				UserID:     "user-1",
				Export:     &ExportOptions{Format: "png"},
			},
			wantErr: true,
		},
		{
			name: "export without options",
			payload: Payload{
				Kind:       KindExport,
				DocumentID: "doc-1",
				UserID:     "user-1",
			},
			wantErr: true,
		},
		{
			name: "export with unsupported format",
			payload: Payload{
				Kind:       KindExport,
				DocumentID: "doc-1",
				UserID:     "user-1",
				Export:     &ExportOptions{Format: "docx"},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPayloadValidateNil(t *testing.T) {
	var payload *Payload
	if err := payload.Validate(); err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusDone, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Errorf("expected %q not to be terminal", s)
		}
	}
}
