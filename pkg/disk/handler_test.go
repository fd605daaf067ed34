package disk

import "testing"

func TestParseObjectURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{uri: "s3://gpu-dev-content/alice/work/abc123.txt", wantBucket: "gpu-dev-content", wantKey: "alice/work/abc123.txt"},
		{uri: "s3://bucket-only/key", wantBucket: "bucket-only", wantKey: "key"},
		{uri: "not-a-uri", wantErr: true},
		{uri: "s3://bucket-without-key", wantErr: true},
		{uri: "", wantErr: true},
	}

	for _, tt := range tests {
		bucket, key, err := parseObjectURI(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseObjectURI(%q) = nil error, want error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseObjectURI(%q) = %v, want nil", tt.uri, err)
		}
		if bucket != tt.wantBucket || key != tt.wantKey {
			t.Errorf("parseObjectURI(%q) = (%q, %q), want (%q, %q)", tt.uri, bucket, key, tt.wantBucket, tt.wantKey)
		}
	}
}
