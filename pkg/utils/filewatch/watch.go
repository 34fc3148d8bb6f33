package filewatch

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onModify each time one of target files is modified
// (= written, created, removed, or renamed), until ctx is done.
//
// Watching a directory reports modifications of files in it.
// Events are delivered one by one, from a single goroutine.
//
// # Args
//
// - ctx: context.Context. Watching stops when it is done.
//
// - onModify: called with the modified path and the operation.
//
// - targetFilePath ...string: file pathes to be watched.
//
// # Returns
//
// - <-chan struct{}: closed when watching is stopped.
//
// - error: error caused when it fails to start watching files.
func Watch(ctx context.Context, onModify func(name string, op fsnotify.Op), targetFilePath ...string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, f := range targetFilePath {
		if err := w.Add(f); err != nil {
			w.Close()
			return nil, err
		}
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				onModify(event.Name, event.Op)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return stopped, nil
}
