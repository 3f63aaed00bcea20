package presence

// decideOnline computes the online verdict for a heartbeat.
//
// A heartbeat is online when the tab is active, visible and not unloading. A
// visibility-regained signal (pageVisible without pageUnload) wins over isActive
// and pageHidden. There is no matching override for pageHidden.
func decideOnline(hb Heartbeat) bool {
	active := true
	if hb.IsActive != nil {
		active = *hb.IsActive
	}

	online := active && !hb.PageUnload && !hb.PageHidden
	if hb.PageVisible && !hb.PageUnload {
		online = true
	}
	return online
}
