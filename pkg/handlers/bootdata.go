package handlers

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/cumulus/pkg/types"
)

// BootMetadata is handed to an instance as user data so it can attach its
// volume on first boot
type BootMetadata struct {
	VolumeID  string `yaml:"volume_id"`
	Provider  string `yaml:"provider,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Token     string `yaml:"token,omitempty"`
}

func bootMetadata(volumeID string, creds *types.Credentials) (string, error) {
	md := BootMetadata{
		VolumeID:  volumeID,
		Provider:  string(creds.Provider.Type),
		Region:    creds.Provider.RegionName,
		Endpoint:  creds.Provider.Endpoint,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
		Token:     creds.Token,
	}
	out, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to encode boot metadata: %w", err)
	}
	return "#cumulus-boot\n" + string(out), nil
}
