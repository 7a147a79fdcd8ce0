package validation

import (
	"strings"
	"testing"
)

type sampleSection struct {
	Listen string   `yaml:"listen" validate:"required,transport_url"`
	Peers  []string `yaml:"peers" validate:"dive,transport_url"`
	Kind   string   `yaml:"kind" validate:"oneof=file s3"`
	Limit  int      `yaml:"limit" validate:"gte=1,lte=10"`
}

type sampleConfig struct {
	Transport sampleSection `yaml:"transport"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name      string
		cfg       sampleConfig
		wantErr   bool
		errFields []string
	}{
		{
			name: "valid",
			cfg: sampleConfig{Transport: sampleSection{
				Listen: "tcp://0.0.0.0:7400",
				Peers:  []string{"tcp://10.0.0.2:7400", "inproc://b"},
				Kind:   "file",
				Limit:  3,
			}},
		},
		{
			name:      "missing listen",
			cfg:       sampleConfig{Transport: sampleSection{Kind: "s3", Limit: 1}},
			wantErr:   true,
			errFields: []string{"transport.listen"},
		},
		{
			name: "bad peer and kind",
			cfg: sampleConfig{Transport: sampleSection{
				Listen: "inproc://a",
				Peers:  []string{"10.0.0.2"},
				Kind:   "nfs",
				Limit:  1,
			}},
			wantErr:   true,
			errFields: []string{"transport.peers[0]", "transport.kind"},
		},
		{
			name: "limit out of range",
			cfg: sampleConfig{Transport: sampleSection{
				Listen: "inproc://a",
				Kind:   "file",
				Limit:  11,
			}},
			wantErr:   true,
			errFields: []string{"transport.limit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Struct() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, field := range tt.errFields {
				if !strings.Contains(err.Error(), field) {
					t.Errorf("error %q should mention %s", err, field)
				}
			}
		})
	}
}

func TestStruct_Nil(t *testing.T) {
	if err := Struct(nil); err == nil {
		t.Error("Struct(nil) should return an error")
	}
}
