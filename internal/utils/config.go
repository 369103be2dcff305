package utils

import (
	"github.com/benmeehan/iot-http-client/pkg/file"
)

// Config represents the structure of the sample configuration file.
type Config struct {
	Broker struct {
		URL   string `yaml:"url"`    // Integration broker base URL
		OrgID string `yaml:"org_id"` // Organization the devices belong to
	} `yaml:"broker"`

	TokenServer struct {
		URL       string `yaml:"url"`        // Token server base URL
		AppKey    string `yaml:"app_key"`    // Application access key
		AppSecret string `yaml:"app_secret"` // Application secret key
	} `yaml:"token_server"`

	Publish struct {
		UseLark    bool `yaml:"use_lark"`    // Indirect mode: upload file bytes via presigned URLs
		AutoUpload bool `yaml:"auto_upload"` // Perform presigned uploads automatically
	} `yaml:"publish"`

	Device struct {
		AssetID    string `yaml:"asset_id"`    // Asset ID (takes precedence)
		ProductKey string `yaml:"product_key"` // Product key, used with device key
		DeviceKey  string `yaml:"device_key"`  // Device key, used with product key
	} `yaml:"device"`

	Sample struct {
		MeasurepointID string `yaml:"measurepoint_id"` // Point to publish
		AttachmentPath string `yaml:"attachment_path"` // Optional file to attach
	} `yaml:"sample"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	// Use the ReadYamlFile method from fileClient
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
