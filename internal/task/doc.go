// Package task implements a cancelable deferred computation.
//
// A Task is created from an executor that receives resolve, reject and
// onCancel callbacks. The task settles exactly once: whichever of resolve,
// reject or Cancel runs first wins and every later call is ignored.
//
// Example usage:
//
//	t := task.New(func(resolve func(net.Conn) bool, reject func(error) bool, onCancel func(func())) {
//	    ctx, cancel := context.WithCancel(context.Background())
//	    onCancel(cancel)
//
//	    go func() {
//	        conn, err := dialer.DialContext(ctx, "tcp", addr)
//	        if err != nil {
//	            reject(err)
//
//	            return
//	        }
//
//	        if !resolve(conn) {
//	            conn.Close()
//	        }
//	    }()
//	})
//
//	conn, err := t.Wait(ctx)
package task
