// Package rabbitmq wraps the AMQP client with a self-healing connection and
// a confirming publisher for the broker-backed transport.
package rabbitmq
