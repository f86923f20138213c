package voice

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultSampleRate is the session sample rate: 24 kHz mono PCM16
// end to end, matching the backend's realtime audio format.
const DefaultSampleRate = 24000

type Config struct {
	Endpoint       string            `json:"endpoint"`
	TokenEndpoint  string            `json:"token_endpoint,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	SampleRate     int               `json:"sample_rate"`
	UseTokenAuth   bool              `json:"use_token_auth"`
	LogLevel       string            `json:"log_level"`
	DebugTransport bool              `json:"debug_transport"`
	DebugAudio     bool              `json:"debug_audio"`
	InputDeviceID  *int              `json:"input_device_id,omitempty"`
}

func NewConfig() *Config {
	c := &Config{
		SampleRate:   DefaultSampleRate,
		UseTokenAuth: false,
		LogLevel:     "info",
		Headers:      make(map[string]string),
	}

	c.loadFromEnv()

	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if endpoint := os.Getenv("SAGE_VOICE_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	} else {
		c.Endpoint = "ws://localhost:8000/ws/voice/session"
	}

	if tokenEndpoint := os.Getenv("SAGE_VOICE_TOKEN_ENDPOINT"); tokenEndpoint != "" {
		c.TokenEndpoint = tokenEndpoint
	}

	if rate := os.Getenv("SAGE_VOICE_SAMPLE_RATE"); rate != "" {
		if val, err := strconv.Atoi(rate); err == nil && val > 0 {
			c.SampleRate = val
		}
	}

	c.UseTokenAuth = os.Getenv("SAGE_VOICE_USE_TOKEN_AUTH") == "true"

	if level := os.Getenv("SAGE_VOICE_LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
	}

	c.DebugTransport = os.Getenv("SAGE_VOICE_DEBUG_TRANSPORT") == "true"
	c.DebugAudio = os.Getenv("SAGE_VOICE_DEBUG_AUDIO") == "true"

	if deviceIDStr := os.Getenv("SAGE_VOICE_INPUT_DEVICE_ID"); deviceIDStr != "" {
		if deviceID, err := strconv.Atoi(deviceIDStr); err == nil {
			c.InputDeviceID = &deviceID
		}
	}
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.Endpoint == "" {
		issues = append(issues, "Endpoint not set (SAGE_VOICE_ENDPOINT)")
	} else if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		issues = append(issues, "Endpoint must be a ws:// or wss:// URL")
	} else if err := checkEndpointSecurity(c.Endpoint); err != nil {
		issues = append(issues, err.Error())
	}

	if c.SampleRate <= 0 {
		issues = append(issues, fmt.Sprintf("Invalid sample rate: %d", c.SampleRate))
	}

	if c.UseTokenAuth && c.TokenEndpoint == "" {
		if os.Getenv("SAGE_VOICE_API_KEY") == "" {
			issues = append(issues, "Token auth enabled but neither SAGE_VOICE_API_KEY nor SAGE_VOICE_TOKEN_ENDPOINT is set")
		}
	}

	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	found := false
	for _, level := range validLevels {
		if level == c.LogLevel {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.LogLevel))
	}

	return issues
}

func (c *Config) PrintConfig() {
	fmt.Println("Sage Voice SDK Configuration")
	fmt.Println("==================================================")

	fmt.Printf("Endpoint: %s\n", c.Endpoint)
	if c.TokenEndpoint != "" {
		fmt.Printf("Token Endpoint: %s\n", c.TokenEndpoint)
	}

	apiKey := os.Getenv("SAGE_VOICE_API_KEY")
	if apiKey != "" && len(apiKey) > 10 {
		fmt.Printf("API Key: %s...\n", apiKey[:10])
	} else if apiKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: NOT SET")
	}

	fmt.Printf("Sample Rate: %d Hz\n", c.SampleRate)
	fmt.Printf("Use Token Auth: %t\n", c.UseTokenAuth)
	fmt.Printf("Log Level: %s\n", c.LogLevel)
	fmt.Printf("Debug Transport: %t\n", c.DebugTransport)
	fmt.Printf("Debug Audio: %t\n", c.DebugAudio)

	if c.InputDeviceID != nil {
		fmt.Printf("Input Device ID: %d\n", *c.InputDeviceID)
	} else {
		fmt.Println("Input Device: Default")
	}
}
