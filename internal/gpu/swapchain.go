package gpu

// Backbuffer is the presentable image handed out for one frame. Slot indexes per-frame-in-flight
// resources, Index indexes per-swapchain-image resources. Fence is unsignaled and must be passed
// to the last submit of the frame.
type Backbuffer struct {
	Index    int
	Slot     int
	Acquired Semaphore
	Fence    Fence
}
