// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import "strings"

// TopicRoot is the root of all device topics
const TopicRoot = "fleet"

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// DeviceTopic returns the topic below the device's own namespace, for example
// fleet/SN-001/revoked
func DeviceTopic(serialNumber string, parts ...string) string {
	return strings.Join(append([]string{TopicRoot, serialNumber}, parts...), "/")
}

// DeviceTopicPrefix returns the prefix of all topics a device may use
func DeviceTopicPrefix(serialNumber string) string {
	return TopicRoot + "/" + serialNumber + "/"
}
