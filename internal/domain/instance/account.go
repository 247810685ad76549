package instance

// MaxCoreSize caps the concurrent executions of a single account regardless
// of configuration.
const MaxCoreSize = 12

// Account identifies one authenticated upstream bot connection. Read-mostly
// after configuration load; exclusively owned by one Runtime.
type Account struct {
	ID        string `json:"id" mapstructure:"id" yaml:"id"`
	GuildID   string `json:"guildId" mapstructure:"guild_id" yaml:"guild_id"`
	ChannelID string `json:"channelId" mapstructure:"channel_id" yaml:"channel_id"`
	UserToken string `json:"-" mapstructure:"user_token" yaml:"user_token"`
	UserAgent string `json:"-" mapstructure:"user_agent" yaml:"user_agent,omitempty"`
	Enabled   bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	CoreSize  int    `json:"coreSize" mapstructure:"core_size" yaml:"core_size"`
	Weight    int    `json:"weight" mapstructure:"weight" yaml:"weight"`
}

// EffectiveCoreSize clamps the configured concurrency to [1, MaxCoreSize].
func (a Account) EffectiveCoreSize() int {
	size := a.CoreSize
	if size < 1 {
		size = 1
	}
	if size > MaxCoreSize {
		size = MaxCoreSize
	}
	return size
}
