package irc

// Numeric replies sent to clients.
const (
	RPL_WELCOME          = "001"
	RPL_YOURHOST         = "002"
	RPL_CREATED          = "003"
	RPL_MYINFO           = "004"
	RPL_ISUPPORT         = "005"
	RPL_UMODEIS          = "221"
	RPL_LUSERCLIENT      = "251"
	RPL_LUSERCHANNELS    = "254"
	RPL_LUSERME          = "255"
	RPL_AWAY             = "301"
	RPL_UNAWAY           = "305"
	RPL_NOWAWAY          = "306"
	RPL_CHANNELMODEIS    = "324"
	RPL_CREATIONTIME     = "329"
	RPL_NOTOPIC          = "331"
	RPL_TOPIC            = "332"
	RPL_TOPICWHOTIME     = "333"
	RPL_INVITELIST       = "346"
	RPL_ENDOFINVITELIST  = "347"
	RPL_EXCEPTLIST       = "348"
	RPL_ENDOFEXCEPTLIST  = "349"
	RPL_NAMREPLY         = "353"
	RPL_ENDOFNAMES       = "366"
	RPL_BANLIST          = "367"
	RPL_ENDOFBANLIST     = "368"
	RPL_YOUREOPER        = "381"
	RPL_REHASHING        = "382"
	ERR_NOSUCHNICK       = "401"
	ERR_NOSUCHSERVER     = "402"
	ERR_NOSUCHCHANNEL    = "403"
	ERR_CANNOTSENDTOCHAN = "404"
	ERR_TOOMANYCHANNELS  = "405"
	ERR_NORECIPIENT      = "411"
	ERR_NOTEXTTOSEND     = "412"
	ERR_UNKNOWNCOMMAND   = "421"
	ERR_NOMOTD           = "422"
	ERR_NONICKNAMEGIVEN  = "431"
	ERR_ERRONEUSNICKNAME = "432"
	ERR_NICKNAMEINUSE    = "433"
	ERR_USERNOTINCHANNEL = "441"
	ERR_NOTONCHANNEL     = "442"
	ERR_NOTREGISTERED    = "451"
	ERR_NEEDMOREPARAMS   = "461"
	ERR_ALREADYREGISTRED = "462"
	ERR_PASSWDMISMATCH   = "464"
	ERR_YOUREBANNEDCREEP = "465"
	ERR_CHANNELISFULL    = "471"
	ERR_UNKNOWNMODE      = "472"
	ERR_INVITEONLYCHAN   = "473"
	ERR_BANNEDFROMCHAN   = "474"
	ERR_BADCHANNELKEY    = "475"
	ERR_BADCHANMASK      = "476"
	ERR_NOPRIVILEGES     = "481"
	ERR_CHANOPRIVSNEEDED = "482"
	ERR_NOOPERHOST       = "491"
	ERR_UMODEUNKNOWNFLAG = "501"
	ERR_USERSDONTMATCH   = "502"
)
