package dexhelper

func Fuzz(data []byte) int {
	d, err := New([][]byte{data}, nil)
	if err != nil {
		return 0
	}
	d.CreateFullCache()
	return 1
}
