package kafka

// Topics для Kafka
const (
	// TopicOrderEvents — события мутаций заказов (позиции, отмены).
	TopicOrderEvents = "fulfillment.order.events"
	// TopicStockEvents — события движения остатков.
	TopicStockEvents = "fulfillment.stock.events"
	// TopicDeadLetterQueue — события, не опубликованные после всех retry.
	TopicDeadLetterQueue = "fulfillment.dlq"
)
