package postmark

// Config holds Postmark credentials and the alert addresses.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"DLQ_ALERT_SENDER"`
	AlertEmail           string `env:"DLQ_ALERT_TO"`
	Tag                  string `env:"DLQ_ALERT_TAG" envDefault:"workq-dead-letter"`
}
