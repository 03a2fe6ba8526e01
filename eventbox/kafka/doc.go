// Package kafka publishes outbox messages to Kafka topics.
//
// NewWriter builds a synchronous confirm-all writer partitioned by message
// key, and Publisher adapts it to the outbox delivery contract: the topic
// follows the broker naming contract, the partition key is the aggregate id
// so per-aggregate ordering survives partitioning, and the outbox headers
// travel as record headers merged with the active trace context.
package kafka
