// Package canbus is a transport independent CAN and CAN FD layer.
//
// A Bus wraps a Transport picked from a registry by name ("virtual",
// "socketcan", ...) and adds software filtering, periodic transmission and
// counters on top of it:
//
//	bus, err := canbus.Open(ctx, &canbus.Config{Interface: "virtual", Channel: "vcan0"})
//	if err != nil {
//		return err
//	}
//	defer bus.Shutdown()
//	task, err := bus.SendPeriodic(canbus.MustFrame(0x123, []byte{1, 2}), 100*time.Millisecond)
//
// A Notifier pumps frames from one or more buses into Listeners such as a
// Printer, a Subscriber channel or a trace file writer from package
// tracefile.
package canbus
