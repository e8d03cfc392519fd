package limits

type Syslimit_t struct {
	// max number of mappings (including holes) per address space;
	// protected by the address space lock
	Novma int
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Novma: 1 << 16,
	}
}
