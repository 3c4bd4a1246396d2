package config

// defaultConfigYAML is written by --init. It runs against the built-in mock
// and lists the other provider types commented out.
const defaultConfigYAML = `# llm-failover configuration
port: 8318
debug: false
logging-to-file: false

router:
  primary: mock
  fallback: ""
  fallback-enabled: false
  request-timeout: 60s
  retry-backoff: 500ms

providers:
  - id: mock
    type: mock
    agent: true
  # - id: openai
  #   type: openai
  #   base-url: https://api.openai.com/v1
  #   api-key: sk-...
  #   model: gpt-4o-mini
  # - id: gemini
  #   type: genai
  #   api-key: ...
  #   model: gemini-2.0-flash
  # - id: queue
  #   type: task
  #   base-url: https://tasks.example.com
  #   token-url: https://auth.example.com/oauth/token
  #   client-id: ...
  #   client-secret: ...

tasks:
  poll-interval: 1s
  wait-timeout: 2m

# rate-limits:
#   image:
#     max-calls: 20
#     window: 1h

usage-persistence:
  enabled: false
  dsn: ~/.local/share/llm-failover/usage.db
  batch-size: 100
  flush-interval: 5s
  retention-days: 30
`

// DefaultConfigYAML returns the starter configuration file.
func DefaultConfigYAML() []byte {
	return []byte(defaultConfigYAML)
}
