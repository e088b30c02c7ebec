package config

// KafkaConfig holds event-log endpoint settings.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// LoadKafka reads KAFKA_BROKERS (comma-delimited) and KAFKA_CLIENT_ID.
func LoadKafka() KafkaConfig {
	return KafkaConfig{
		Brokers:  splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		ClientID: getEnv("KAFKA_CLIENT_ID", "tutorfleet"),
	}
}
