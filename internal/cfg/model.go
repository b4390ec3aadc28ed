package cfg

import (
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const pageSize = 0x1000

// Uint is an unsigned integer written in any Go literal base: 0x20000, 0o777
// or 4096. It can be read from the environment and from a flag.
type Uint uint64

var _ pflag.Value = (*Uint)(nil)

func (u *Uint) UnmarshalText(text []byte) error {
	return u.Set(string(text))
}

func (u *Uint) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %q", s)
	}
	*u = Uint(v)
	return nil
}

func (u *Uint) String() string {
	return "0x" + strconv.FormatUint(uint64(*u), 16)
}

func (u *Uint) Type() string {
	return "uint"
}

// Config drives the barevm demo.
type Config struct {
	Device   string `env:"KVM_DEVICE"    envDefault:"/dev/kvm"`
	MemSize  Uint   `env:"KVM_MEMSIZE"   envDefault:"0x20000"`
	RIP      Uint   `env:"KVM_RIP"       envDefault:"0"`
	RSP      Uint   `env:"KVM_RSP"       envDefault:"0xfff0"`
	Org      Uint   `env:"KVM_ORG"       envDefault:"0"`
	Dump     Uint   `env:"KVM_DUMP"      envDefault:"0x1000"`
	DumpSize Uint   `env:"KVM_DUMP_SIZE" envDefault:"0x100"`
	Bits     int    `env:"KVM_BITS"      envDefault:"32"`
	Debug    bool   `env:"KVM_DEBUG"`
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}

// Flags binds every setting to a flag on fs. The current values become the
// flag defaults, so flags win over the environment.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Device, "device", c.Device, "KVM device")
	fs.Var(&c.MemSize, "memsize", "guest memory size in bytes")
	fs.Var(&c.RIP, "rip", "initial instruction pointer")
	fs.Var(&c.RSP, "rsp", "initial stack pointer")
	fs.Var(&c.Org, "org", "guest address the binary is loaded at")
	fs.Var(&c.Dump, "dump", "guest address dumped after the run")
	fs.Var(&c.DumpSize, "dump-size", "number of bytes dumped after the run")
	fs.IntVar(&c.Bits, "bits", c.Bits, "cpu mode, 16 or 32")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "debug logging")
}

func (c Config) Validate() error {
	if c.MemSize == 0 || c.MemSize%pageSize != 0 {
		return errors.Errorf("memory size %s is not a positive multiple of %#x", c.MemSize.String(), pageSize)
	}
	if c.Bits != 16 && c.Bits != 32 {
		return errors.Errorf("unsupported cpu mode: %d bits", c.Bits)
	}
	return nil
}
