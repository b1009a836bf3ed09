// Package mqtt provides the MQTT client the bridge publishes entities through.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) marking the bridge offline
//
// # Topic Layout
//
//	{prefix}/status                          online | offline (retained, LWT)
//	{prefix}/health                          periodic JSON health report
//	{prefix}/{device}/availability           online | offline (retained)
//	{prefix}/{device}/{kind}/{key}/state     JSON state (retained)
//	{prefix}/{device}/{kind}/{key}/set       inbound commands
//	{prefix}/{device}/ack                    command acknowledgements
//	{discovery}/{component}/{object}/config  Home Assistant discovery (retained)
//
// # Security Considerations
//
//   - Set cfg.Broker.TLS=true for brokers reached over untrusted networks
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllBindingCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
