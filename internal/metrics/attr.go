package metrics

import "go.opentelemetry.io/otel/attribute"

func instanceAttr(instanceID string) attribute.KeyValue {
	return attribute.String("instance_id", instanceID)
}
