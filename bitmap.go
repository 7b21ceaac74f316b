package imagekit

import "image"

// Bitmap is a fully decoded image value. It is immutable once produced:
// the cache and every caller that received one from the coordinator hold
// independent shared references to the same underlying pixel buffer.
type Bitmap = image.Image
