// Package pebblestore implements storage.Engine on top of Pebble.
//
// It is the second engine selectable with --engine pebble. Keys and values
// are stored as-is; the empty key is never found, matching the log engine.
//
//	st, err := pebblestore.Open(pebblestore.Options{DataDir: "./data"})
//	if err != nil { /* handle */ }
//	defer st.Close()
//
//	_ = st.Set("k", "v")
//	v, found, _ := st.Get("k")
package pebblestore
